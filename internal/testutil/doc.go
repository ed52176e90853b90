// Package testutil contains builders used across tests to construct journeys
// and choke points near the Bengaluru junctions without repeating every field.
// They are not intended for production usage.
package testutil
