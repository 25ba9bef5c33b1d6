// Package audio turns encoded dataset audio into mono float32 samples at the
// model's sample rate.
//
// 16-bit PCM WAV payloads already at the target rate are parsed in process;
// every other payload (flac, mp3, ogg, off-rate wav, ...) is piped through
// ffmpeg, which does the resampling.
package audio
