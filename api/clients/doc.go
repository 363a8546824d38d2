/*
Package clients provides a client library for the contract host management API.

HostClient wraps every management route:

  - UploadContract - store contract code and obtain its hash
  - IssueToken - mint a token bound to an uploaded contract
  - Credit, Debit - adjust a token's balance
  - Balance, Credits, Debits - inspect a token's balance and history

Non-2xx responses are returned as *APIError carrying the status code and the
server's error message.
*/
package clients
