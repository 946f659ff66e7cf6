// Package processtable aggregates per-micrograph results and periodically
// writes them to disk.
//
// Workers call Record once per finished task. Dump snapshots the records
// under the table mutex and performs all file I/O after releasing it, so a
// slow disk never blocks a worker. Every dump fully rewrites
// process_table.csv and, when ordinal-tagged columns exist, the STAR file
// micrographs_ctf.star.
package processtable
