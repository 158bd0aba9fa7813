// Package simulation drives SNANA light curve simulations. Each SIM entry
// lists components, each pointing at a BASE input file, plus GLOBAL
// overrides. The entry is rendered into a combined input file that
// sim_SNmix.pl expands into batch jobs.
//
// Components whose GENMODEL contains SALT2 are counted as type Ia, all
// others as contaminants. A simulation is only considered successful when
// its total summary reports at least one written light curve.
package simulation
