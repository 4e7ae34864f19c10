// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types used across blockdiff: the logger
// interface, transaction group numbers and the error markers shared between
// the volume and its callers.
package base
