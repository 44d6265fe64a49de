// Package hdcp implements the HDCP 1.x authentication engine.
//
// The package contains two cooperating state machines, the Transmitter
// (key exchange, Ro' validation, repeater topology validation and rolling
// Ri' link checks) and the Receiver (computations, Ri publication and link
// integrity reporting), plus the Instance facade that selects one of them
// by direction at construction time.
//
// Hardware is reached only through the Port, Cipher and Platform
// interfaces. The engine never blocks: waiting states arm a Platform timer
// and callbacks post events into an atomic pending set that Poll drains.
package hdcp
