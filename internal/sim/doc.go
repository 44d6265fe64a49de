// Package sim provides software implementations of the hdcp.Port and
// hdcp.Cipher interfaces: a receiver register file shared by a TxPort and
// an RxPort, a deterministic cipher model, and repeater emulation that
// publishes a KSV list and V' after authentication.
//
// The simulator is used by the hosted link in internal/link and by tests.
package sim
