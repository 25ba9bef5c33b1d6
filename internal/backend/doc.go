// Package backend bridges the fine-tuning driver to the Python ML stack.
//
// The Backend interface covers everything the driver delegates: loading a
// pretrained Whisper model with its processor, log-mel feature extraction,
// tokenization, decoding, optimizer steps, evaluation with generation, and
// checkpoint persistence. Worker implements it by running an embedded Python
// script through the configured interpreter (or uv) and exchanging one JSON
// object per line over stdin/stdout. Tensors travel as base64 little-endian
// float32 with an explicit shape.
package backend
