// Package storage keeps a journal of interval iteration outcomes.
//
// The journal is append-only history for operators (`intervald history`). It is not
// schedule state: a restarted daemon starts every job fresh.
package storage
