// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zsqlite is the default engine binding for package sqlite.
//
// It implements sqliteh.DB and sqliteh.Stmt on top of zombiezen.com/go/sqlite,
// a cgo-free SQLite. The package keeps as few opinions as possible: every
// method is a thin translation of one SQLite C API call, and failures are
// reported as sqliteh.ErrCode values with the engine message available
// from DB.ErrMsg until the next failure.
package zsqlite
