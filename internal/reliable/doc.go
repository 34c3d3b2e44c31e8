// Package reliable tracks delivery of large named values.
//
// A Record cuts the value into element-aligned fragments stored in the
// knowledge base under <name>.frags.<i>, and keeps one ack cell per
// (fragment, participant). Receivers answer by writing
// <name>.frags.<i>.ack.<participant> with the clock of the fragment they
// hold. The Publisher absorbs those acks and re-marks the first
// unacknowledged fragment for sending until every cell is set.
package reliable
