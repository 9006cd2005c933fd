// Package uvc adapts the streaming engine to USB Video Class devices.
//
// Classifier splits a payload-header stream into frames using the FID and
// EOF header bits and routes STI frames to a still channel. Control
// negotiates stream parameters with probe/commit and reserves bandwidth by
// selecting the streaming alternate setting. CopyFinalizer and
// MJPEGFinalizer turn reassembled frames into client output.
//
// Frame boundaries are detected per transport packet. A bulk sequence
// reaches the classifier as one packet, so bulk devices are supported when
// the committed dwMaxPayloadTransferSize covers a whole frame.
package uvc
