// Package createcov builds systematic covariance matrices from merged fit
// tables and renders the cosmology fitter ini files, one per template and
// covariance option. Option 0 is always ALL, the full systematic budget.
package createcov
