// go-iso7816
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-iso7816.
//
// go-iso7816 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-iso7816 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-iso7816; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

/*
Package iso7816 implements the host side of an ISO/IEC 7816-3 contact card
link running the T=0 character protocol.

A Session owns one Channel, the electrical interface to the card. It runs
the activation sequence, decodes the Answer-to-Reset, programs the line with
the timing the card announces and then carries T=0 commands one at a time.

Features:
  - Cold and warm reset with bounded ATR windows
  - ATR decoding: convention, interface byte groups, TCK, historical bytes
  - Fi/Di, guard time and work waiting time derivation
  - T=0 exchanges for command cases 1, 2 and 3, including NULL and
    single byte procedure bytes
  - Per character parity retries with error signalling
  - Serial reader backends: portable (transport/uart) and raw Linux termios
    (transport/tty)

Basic Usage:

	import (
	    iso7816 "github.com/ZaparooProject/go-iso7816"
	    "github.com/ZaparooProject/go-iso7816/transport/uart"
	)

	ch, err := uart.New("/dev/ttyUSB0")
	if err != nil {
	    log.Fatal(err)
	}

	session, err := iso7816.New(ch, nil, iso7816.WithTransferTimeout(2*time.Second))
	if err != nil {
	    log.Fatal(err)
	}
	defer session.Close()

	atr, err := session.ColdReset(ctx)
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Print(atr)

	// Case 3: read two bytes from the card
	resp, err := session.Transfer(ctx, iso7816.NewCommand(0x00, 0x20, 0x00, 0x00, 0x02, nil))
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Printf("%s\n", resp)

Error Handling:

Failures are returned as *LinkError values wrapping a sentinel, so they can
be inspected with errors.Is:

	if errors.Is(err, iso7816.ErrNoCardResponse) {
	    // no ATR: try another cold reset
	}

IsRetryable reports whether the caller may reasonably try again. Parity
errors on single characters are the only failures retried internally.

Thread Safety:

A Session serializes its operations; a call made while another is in
flight fails with ErrBusy instead of sharing the line.
*/
package iso7816
