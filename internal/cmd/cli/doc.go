// Package cli implements the courier command line.
//
//	courier send async '{"order":42}' --header trace=abc --delay 30s
//	courier consume async failed --limit 100 --exec ./handle.sh --metrics-addr :9090
//	courier stats
//
// Configuration comes from the file given with --config, then COURIER_*
// environment variables, then the --log-* flags.
package cli
