// Package language normalizes the --language values accepted by speechdata
// and speechtune into dataset configuration tags, Whisper base languages, and
// display names.
package language
