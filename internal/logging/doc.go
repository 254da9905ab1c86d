// Package logging provides file-based logging with rotation for pampax.
// Every command writes JSON logs to ~/.pampax/logs/pampax.log and to
// stderr, at info level by default and at debug level when the --debug
// flag is set.
package logging
