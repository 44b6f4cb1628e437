// Package job holds the data model shared by the scheduler, executor and store:
// job definitions (Info), per-job trigger state, execution instances and their
// status machine, pipeline results and the audit history derived from them.
package job
