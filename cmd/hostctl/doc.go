// Package main (cmd/hostctl) is a command line client for the contract host
// management API.
//
// Example usage:
//
//	hostctl --host=https://host.example.com:8443 upload contract.js
//	hostctl token --contract=<hash>
//	hostctl credit <token> 500
//	hostctl balance --history <token>
package main
