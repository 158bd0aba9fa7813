// Package aggregate joins classifier predictions into one table keyed by
// SNID. With INCLUDE_TYPE the true type of every object is read from the
// dump files of the simulations the classifiers descend from.
package aggregate
