//go:build !giouring
// +build !giouring

package uring

import "fmt"

// NewGiouringRing is available when built with -tags giouring
func NewGiouringRing(config Config) (Ring, error) {
	return nil, fmt.Errorf("giouring backend not enabled; build with -tags giouring")
}
