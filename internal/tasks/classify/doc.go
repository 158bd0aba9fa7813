// Package classify trains and applies photometric classifiers.
//
// SuperNNova works on photometry alone, SNIRF and FitProb work on a light
// curve fit. Training runs block until the batch job ends so predict
// entries referring to the trained model by MODEL can start right after.
// FitProb needs no model and runs in process from the fit table.
package classify
