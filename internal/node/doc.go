// Package node wires the packages of one agent process together and runs
// them until shutdown.
package node
