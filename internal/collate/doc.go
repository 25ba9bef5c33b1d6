// Package collate assembles prepared examples into padded training batches.
//
// Feature matrices are zero padded along the frame axis. Label rows are
// right padded with the ignore index, and the leading decoder start token
// is dropped when every row in the batch carries it.
package collate
