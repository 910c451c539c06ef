package enums

// Currency is the ISO code charged through the gateway. Only won is settled.
type Currency string

const CurrencyKRW Currency = "KRW"

func (c Currency) String() string { return string(c) }
func (c Currency) IsValid() bool  { return c == CurrencyKRW }
