// Package cosmofit samples cosmological parameters with CosmoMC. Each entry
// is one array job with a subjob per covariance option, every subjob
// writing its own done file and running NUM_WALKERS chains.
package cosmofit
