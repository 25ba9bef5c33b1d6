// Package datasets holds the static registry of public speech corpora that
// speechdata can fetch, and resolves a (key, language, split) request into
// the remote repository, configuration, and split names to download.
package datasets
