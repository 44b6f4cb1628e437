// Package scheduler decides when registered jobs fire and dispatches them.
//
// A single control loop ticks at a fixed period. Each tick snapshots the
// registry, fires the due jobs and hands every instance to the executor in
// its own goroutine; the loop never waits for a job to finish.
//
// Jobs with AllowConcurrent=false are skipped while the store still holds a
// scheduled or running instance of them, and, when a lock provider is
// configured, while another node holds the job's lock.
package scheduler
