// Package common contains the address types and arithmetic helpers shared by
// the storage engine and its block cache.
package common

// LogicalBlock is the index of a block within a single object, such as a file.
type LogicalBlock uint64

// PhysicalBlock is the address of a block on the device. For UFS1 this is a
// fragment address.
type PhysicalBlock uint64

// DivRoundUp returns the smallest integer greater than or equal to a/b.
func DivRoundUp(a, b uint64) uint64 {
	return (a + b - 1) / b
}
