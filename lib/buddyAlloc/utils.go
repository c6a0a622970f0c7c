//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package buddyAlloc

// IsPowerOfTwo reports whether num is a valid buddy block size
func IsPowerOfTwo(num uint64) bool {
	return num != 0 && num&(num-1) == 0
}
