/*
Package api holds the wire types of the contract host management API and the
server configuration shared by the HTTP server and the command line tools.

The management API is served on the internal host address and is reachable
through the public TLS port with any server name that is not a token:

	GET  /health                      liveness and storage status
	POST /contract                    upload contract code, returns its hash
	POST /token?contract=<hash>       issue a token bound to a contract
	GET  /token/{token}/balance       current balance
	POST /token/{token}/credits       {"amount": n}
	GET  /token/{token}/credits       credit history
	POST /token/{token}/debits        {"amount": n}
	GET  /token/{token}/debits        debit history

Errors are returned as {"error": "..."} with a matching status code.

The clients subpackage implements a Go client for these endpoints.
*/
package api
