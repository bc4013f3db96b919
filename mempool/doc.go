// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package mempool implements named, process-wide pools of fixed-size,
// reference-counted blocks.
//
// # Lifetime
//
// [Pool.Alloc] returns an [Object] with a reference count of one.
// [Object.AddRef] takes another reference; [Object.Release] drops one. When
// the count transitions from one to zero the pool's destructor (if any) runs,
// the value is reset, and the block returns to the pool's free set.
//
// Destructors may release other objects. Such releases are queued on the
// releasing goroutine's work list and processed after the current destructor
// returns, so arbitrarily long chains run at constant stack depth.
//
// # Failure
//
// Alloc never fails: an empty pool grows. Releasing an object whose count is
// already zero, or using an [Object] not owned by any pool, is a contract
// violation and panics via [diag.Fatalf]. A pool bounded by [WithMaxBlocks]
// treats exhaustion the same way; use [Pool.TryAlloc] to probe instead.
//
// # Usage
//
//	pool, err := mempool.New[Sensor](nil, "SensorPool",
//	    mempool.WithDestructor(func(s *Sensor) { s.close() }),
//	)
//	if err != nil {
//	    return err
//	}
//	obj := pool.Alloc()
//	obj.Ptr().name = "cpu"
//	obj.AddRef() // hand a reference to another owner
//	obj.Release()
//	obj.Release() // destructor runs here
package mempool
