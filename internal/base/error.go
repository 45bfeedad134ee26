// Copyright 2011 The BzTree Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"errors"
)

// ErrNotFound means that a Read, Update or Delete call did not find a
// visible record for the requested key in the leaf it searched.
var ErrNotFound = errors.New("bztree: not found")
