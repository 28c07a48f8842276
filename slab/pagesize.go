// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slab

import "os"

// osPageSize is the default page granularity a Pool lays its data area
// out in when Config.PageSize is left at zero.
func osPageSize() int { return os.Getpagesize() }
