package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Decimal is a numeric field the API may serialise as a JSON number or as
// a quoted decimal string ("1.75").
type Decimal float64

// UnmarshalJSON accepts both encodings
func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", data, err)
	}
	*d = Decimal(f)
	return nil
}

// Float64 returns the value as float64
func (d Decimal) Float64() float64 {
	return float64(d)
}

// Person is one record of the remote Persons API
type Person struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	DateOfBirth string   `json:"date_of_birth"` // YYYY-MM-DD
	CPF         string   `json:"cpf"`
	Sex         string   `json:"sex"` // M or F
	Height      Decimal  `json:"height"`
	Weight      Decimal  `json:"weight"`
	IdealWeight *Decimal `json:"ideal_weight,omitempty"`
}

// ComputeIdealWeight applies the server formula:
// men (72.7 * height) - 58, women (62.1 * height) - 44.7, rounded to 2 places
func (p Person) ComputeIdealWeight() float64 {
	h := p.Height.Float64()
	var w float64
	if p.Sex == "M" {
		w = 72.7*h - 58
	} else {
		w = 62.1*h - 44.7
	}
	return math.Round(w*100) / 100
}

// IdealWeightValue returns the server-provided value, or computes it locally
func (p Person) IdealWeightValue() float64 {
	if p.IdealWeight != nil {
		return p.IdealWeight.Float64()
	}
	return p.ComputeIdealWeight()
}
