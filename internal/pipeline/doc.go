// Package pipeline composes middleware around a job body.
//
// A chain is built fresh for every call, so middleware may keep per-call
// state in closures. Faults never escape Run: panics and errors are folded
// into a job.Result, and a done context is reported as Canceled.
package pipeline
