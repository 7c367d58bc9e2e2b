// Package testpool runs Go package tests across a pool of worker
// processes with crash recovery and sharding.
package testpool

// Version is the testpool release version.
const Version = "0.3.0"
