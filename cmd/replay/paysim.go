package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// paysimEpoch anchors PaySim's hourly step counter.
var paysimEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	ID             string
	Step           int
	Type           string
	Amount         decimal.Decimal
	NameOrig       string
	OldBalanceOrg  decimal.Decimal
	NewBalanceOrig decimal.Decimal
	NameDest       string
	IsFraud        bool
}

// Transaction maps the row onto the detector input. The destination
// account plays the merchant and each step is one hour.
func (p PaySimTransaction) Transaction() *domain.Transaction {
	return &domain.Transaction{
		ID:               p.ID,
		UserID:           p.NameOrig,
		Amount:           p.Amount,
		Currency:         "USD",
		Timestamp:        paysimEpoch.Add(time.Duration(p.Step) * time.Hour),
		MerchantID:       p.NameDest,
		MerchantCategory: strings.ToLower(p.Type),
		PaymentMethod:    strings.ToLower(p.Type),
		Metadata: map[string]any{
			"old_balance": p.OldBalanceOrg.InexactFloat64(),
			"new_balance": p.NewBalanceOrig.InexactFloat64(),
			"step":        p.Step,
		},
	}
}

type readOptions struct {
	Limit      int
	FraudOnly  bool
	SampleRate float64
}

var requiredColumns = []string{"step", "type", "amount", "nameorig", "oldbalanceorg", "newbalanceorig", "namedest", "isfraud"}

// readPaySim parses PaySim rows. Malformed rows are skipped.
func readPaySim(r io.Reader, opts readOptions) ([]PaySimTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []PaySimTransaction
	sampleCounter := 0
	row := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil || len(record) < len(header) {
			continue
		}

		isFraud := record[colIndex["isfraud"]] == "1"
		if opts.FraudOnly && !isFraud {
			continue
		}
		if !isFraud && opts.SampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= opts.SampleRate {
				continue
			}
		}

		step, err := strconv.Atoi(record[colIndex["step"]])
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(record[colIndex["amount"]])
		if err != nil {
			continue
		}
		oldBalance, _ := decimal.NewFromString(record[colIndex["oldbalanceorg"]])
		newBalance, _ := decimal.NewFromString(record[colIndex["newbalanceorig"]])

		transactions = append(transactions, PaySimTransaction{
			ID:             "paysim-" + strconv.Itoa(row),
			Step:           step,
			Type:           record[colIndex["type"]],
			Amount:         amount,
			NameOrig:       record[colIndex["nameorig"]],
			OldBalanceOrg:  oldBalance,
			NewBalanceOrig: newBalance,
			NameDest:       record[colIndex["namedest"]],
			IsFraud:        isFraud,
		})

		if opts.Limit > 0 && len(transactions) >= opts.Limit {
			break
		}
	}

	return transactions, nil
}
