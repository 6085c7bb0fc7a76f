// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

import (
	"fmt"
	"strings"
)

// ResourceVector is a set of named resource quantities.
type ResourceVector struct {
	CPU       float64  `json:"cpu"`
	Memory    ByteSize `json:"memory"`
	Disk      ByteSize `json:"disk"`
	GPU       int      `json:"gpu"`
	UserSlots int      `json:"user_slots"`
	Network   int      `json:"network"`
}

// Add returns the element-wise sum of rv and other.
func (rv ResourceVector) Add(other ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:       rv.CPU + other.CPU,
		Memory:    rv.Memory + other.Memory,
		Disk:      rv.Disk + other.Disk,
		GPU:       rv.GPU + other.GPU,
		UserSlots: rv.UserSlots + other.UserSlots,
		Network:   rv.Network + other.Network,
	}
}

// Sub returns the element-wise difference rv - other.
func (rv ResourceVector) Sub(other ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:       rv.CPU - other.CPU,
		Memory:    rv.Memory - other.Memory,
		Disk:      rv.Disk - other.Disk,
		GPU:       rv.GPU - other.GPU,
		UserSlots: rv.UserSlots - other.UserSlots,
		Network:   rv.Network - other.Network,
	}
}

// IsZero returns true if every quantity is zero.
func (rv ResourceVector) IsZero() bool {
	return rv == ResourceVector{}
}

// Dominates returns true if every quantity in rv is greater than or
// equal to the corresponding quantity in other.
func (rv ResourceVector) Dominates(other ResourceVector) bool {
	return rv.CPU >= other.CPU &&
		rv.Memory >= other.Memory &&
		rv.Disk >= other.Disk &&
		rv.GPU >= other.GPU &&
		rv.UserSlots >= other.UserSlots &&
		rv.Network >= other.Network
}

// Exceeded returns the names of the quantities in rv that exceed the
// corresponding limit. Zero limits are not enforced for Disk and
// Network, which are optional on most nodes.
func (rv ResourceVector) Exceeded(limits ResourceVector) []string {
	var names []string
	if rv.CPU > limits.CPU {
		names = append(names, "cpu")
	}
	if rv.Memory > limits.Memory {
		names = append(names, "memory")
	}
	if limits.Disk > 0 && rv.Disk > limits.Disk {
		names = append(names, "disk")
	}
	if rv.GPU > limits.GPU {
		names = append(names, "gpu")
	}
	if rv.UserSlots > limits.UserSlots {
		names = append(names, "user_slots")
	}
	if limits.Network > 0 && rv.Network > limits.Network {
		names = append(names, "network")
	}
	return names
}

// String implements fmt.Stringer.
func (rv ResourceVector) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("cpu=%g", rv.CPU))
	parts = append(parts, fmt.Sprintf("memory=%s", rv.Memory))
	if rv.Disk != 0 {
		parts = append(parts, fmt.Sprintf("disk=%s", rv.Disk))
	}
	parts = append(parts, fmt.Sprintf("gpu=%d", rv.GPU), fmt.Sprintf("user_slots=%d", rv.UserSlots))
	if rv.Network != 0 {
		parts = append(parts, fmt.Sprintf("network=%d", rv.Network))
	}
	return strings.Join(parts, " ")
}
