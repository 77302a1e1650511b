package spv

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PayToAddrScript decodes an encoded Bitcoin address for the given network
// and returns the output script that pays to it.
func PayToAddrScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addr, params.Name)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("script for %q: %w", addr, err)
	}
	return script, nil
}

// SumOutputs returns the total value tx pays to pkScript, zero if no output
// matches.
func SumOutputs(pkScript []byte, tx *wire.MsgTx) btcutil.Amount {
	var total btcutil.Amount
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			total += btcutil.Amount(out.Value)
		}
	}
	return total
}

// OutputValue parses rawTx and sums the outputs paying to pkScript.
func OutputValue(pkScript, rawTx []byte) (btcutil.Amount, error) {
	tx, err := ParseTx(rawTx)
	if err != nil {
		return 0, err
	}
	return SumOutputs(pkScript, tx), nil
}
