// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Command bmdriver replays allocation traces against bmalloc, checking
// every returned block and reporting space utilization and throughput.
package main

func main() {
	execute()
}
