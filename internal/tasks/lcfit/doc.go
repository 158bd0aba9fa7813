// Package lcfit runs the SNANA light curve fitter over every photometry
// source whose name matches the entry MASK. The fit namelist is rendered
// from a BASE file with per-entry SNLCINP and FITINP overrides.
package lcfit
