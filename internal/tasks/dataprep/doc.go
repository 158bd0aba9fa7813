// Package dataprep skims observed photometry into the layout the light
// curve fitters and classifiers read, and publishes the type codes found in
// the data.
package dataprep
