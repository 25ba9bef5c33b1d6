// Package deps checks the external programs and Python packages the
// fine-tuning driver relies on, and builds the interpreter invocation used to
// start the training worker.
package deps
