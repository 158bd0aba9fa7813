// Package merge attaches aggregated classifier probabilities to light curve
// fit tables, one merged table per (LCFIT, AGGREGATE) pair.
package merge
