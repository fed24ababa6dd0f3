// Package plugins holds the commands an agent can run.
//
// Built-ins: echo, ping, sleep, run_script and get_job_description.
// Configuration may declare more commands, each naming a plugin kind
// (run_script, echo or sleep) and optionally a bound script, extra
// environment and the long-running flag.
//
// run_script only executes files inside the configured script directory.
// Paths are checked after symlinks are resolved.
package plugins
