// Package main is the entry point for billingd, the recurring billing
// daemon: subscription lifecycle, payment retries, dunning and renewals.
package main

func main() {
	Execute()
}
