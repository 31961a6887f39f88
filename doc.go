// Package fundpool and its sub-packages implement a custodial pool of deterministically derived accounts on an
// EVM-compatible network.
/*
fundpool funds anonymous end users from a central reserve, collects their payments and recycles the funds they never
spent back into the reserve. Every account of the pool is derived from one master secret (package lib/derive) at a
well known index:

	0           reserve, holds the bulk of the funds
	1           collection, receives payments and reclaimed funds
	2           clawback operator, the spender that pulls funds out of user accounts
	3           fee sponsor, pays the gas of accounts holding no native coin
	10 to 99    distributor pool, the first one is the refill target
	1000 up     generated users

Architecture

The custodian service (package custodian) is started running cmd/custodian/main.go. It is stateless apart from the
store: any number of instances may run at once because derivation indices are handed out with the atomic increment of
the database (package allocator, package lib/store). An external scheduler triggers the fund flow through the HTTP
API:

	/cron/rebalance   the threshold controller (package controller) withdraws the collection surplus into the
	                  reserve and tops the distributor up to its floor
	/cron/clawback    the clawback sweeper (package sweeper) reclaims the idle balance of users that never
	                  purchased, once the pool total drops below the clawback trigger

Both operations are level triggered: they read fresh balances (package oracle) every run and doing nothing is the
expected outcome of a second run. State changing calls go through the executor (package executor) which simulates
first, orders nonces per signer, sponsors gas and never submits a signed transaction twice: an unknown outcome is
reported as ambiguous and left to the next run.

Every decision is written to the event ledger of the store and, when a message broker is configured (package lib/msg),
published to the "fe" topic exchange. The same operations are available from the command line with cmd/fundctl, which
can also tail the published events.

Upstream calls share one token bucket (package lib/ratelimit) and are retried with exponential backoff when the error
is transient (package lib/retry). The chain is reached with go-ethereum (package lib/block/ethereum); an in-memory
chain (package lib/block/memchain) backs the tests and the "memory://" node used for dry runs.

The services can be monitored via a Prometheus API by setting the flag "-m" at startup.
*/
package fundpool
