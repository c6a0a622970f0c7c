//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package buddyAlloc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSize = errors.New("invalid-size")
	ErrNoSpace     = errors.New("exhausted")
	ErrInvalidRef  = errors.New("invalid-ref")

	// ErrDoubleFree is returned when freeing a block that is already free; it is
	// also an ErrInvalidRef.
	ErrDoubleFree = fmt.Errorf("double-free: %w", ErrInvalidRef)
)
