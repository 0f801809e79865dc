/*
Package types defines the core data structures shared across the coordinator.

This package contains the domain model the control loop, registry, cooldown
table, and uploader all operate on: instance keys, instance records, cooldown
entries, and the server-facing project/action descriptors. These types carry
no behavior beyond small accessors; lifecycle and invariants live in the
packages that own the corresponding maps (pkg/registry, pkg/cooldown).
*/
package types
