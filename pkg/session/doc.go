/*
Package session implements per-run mutual exclusion.

The engine is correct without it: the ledger's (run, sequence) uniqueness and the
snapshot store's version check resolve every race. A Manager only keeps workers from
racing on the same run in the first place, with a reference-counted local mutex per
run and, when configured, a distributed lock shared by all replicas.
*/
package session
