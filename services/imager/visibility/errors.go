// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visibility

import (
	"errors"
)

// Sentinel errors for the visibility package.
var (
	// ErrInvalidVisibility is returned when a table fails consistency checks.
	ErrInvalidVisibility = errors.New("invalid visibility")

	// ErrInvalidCount is returned when a partition count is below one.
	ErrInvalidCount = errors.New("partition count must be >= 1")

	// ErrUnknownAxis is returned for an axis the partitioner does not support.
	ErrUnknownAxis = errors.New("unknown partition axis")

	// ErrPartitionEmpty marks a partition with no samples. The partitioner
	// drops such partitions itself; kernels return it so the graph can turn
	// the partition into a null result instead of a zero-weight contribution.
	ErrPartitionEmpty = errors.New("partition contains no samples")

	// ErrIncompatible is returned when tables cannot be combined or compared.
	ErrIncompatible = errors.New("incompatible visibilities")

	// ErrOverlap is returned when partitions being combined share a sample.
	ErrOverlap = errors.New("partitions overlap")

	// ErrNoParts is returned when combining an empty set of partitions.
	ErrNoParts = errors.New("no partitions to combine")

	// ErrUnknownWeighting is returned for an unsupported weighting scheme.
	ErrUnknownWeighting = errors.New("unknown weighting scheme")
)
