/*
Package billing implements the token balance ledger and the metering biller that
turns sandbox running time into ledger charges.

# Ledger

Ledger implements interfaces.BillingLedger on top of an interfaces.LedgerStore.
Credits and debits come from the management API; charges come from the meter.
Debits are strict and fail with ErrInsufficientBalance, charges clamp at the
available balance so a balance never goes negative.

# Meter

Meter implements interfaces.MeteringBiller. Running time is priced in whole
compute units:

	units  = elapsed / UnitDuration
	amount = units * PricePerUnit

While an instance runs, the meter charges whole elapsed units every PollInterval
and kills the instance as soon as a charge exhausts the balance. When the
instance exits, ChargeToken bills the remaining time, rounding a partial unit
up, and forgets the run. Setting PollInterval to zero disables the periodic
loop so that billing only happens at exit.
*/
package billing
