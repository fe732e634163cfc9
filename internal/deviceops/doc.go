// Package deviceops implements the primitive device operations: one request
// over the RPC session, one validated response, typed results.
//
// Operations are created through a Client bound to the current session and
// are meant to be started by an operation.Runner or a composite. None of them
// retries or reorders; every malformed or rejected response finishes the
// operation with an invalid-device error naming the failed check.
package deviceops
