/*
Package httpserver implements the management API of the contract host.

The API is served on a plain HTTP listener that is never exposed directly: the
connection dispatcher bridges every TLS connection without a token in its SNI to
this listener, so clients reach it through the same public port as contracts.

# Routes

  - GET  /health                   storage backend reachability and build version
  - POST /contract                 upload contract code, returns its hash
  - POST /token?contract=<hash>    issue a token bound to an uploaded contract
  - GET  /token/{token}/balance    current balance
  - POST /token/{token}/credits    credit {"amount": n}
  - GET  /token/{token}/credits    list credits
  - POST /token/{token}/debits     debit {"amount": n}
  - GET  /token/{token}/debits     list debits and metering charges

Errors are JSON objects of the form {"error": "..."}. An unknown token yields 404,
an unknown contract hash or a non-positive amount 400, and a debit larger than the
balance 402.

# Operations

  - GET /livez, /readyz      liveness and readiness checks
  - GET /drain, /undrain     toggle readiness ahead of a restart
  - /debug/pprof             profiling, when enabled

Metrics are served separately by the metrics server on its own address.
*/
package httpserver
