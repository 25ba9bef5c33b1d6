// Package trainer runs the fine-tuning loop over prepared examples.
//
// The loop owns scheduling and bookkeeping: shuffling, batching through the
// collator, the warmup-then-decay learning rate, periodic logging,
// evaluation scored by word error rate, checkpointing, and reloading the
// best checkpoint once training ends. Every tensor operation is delegated to
// a backend.Backend, so tests drive the loop with an in-memory fake.
package trainer
