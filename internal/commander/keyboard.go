package commander

// Button is an inline keyboard button. Data is sent back as callback data.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Keyboard is an inline keyboard laid out in rows. The zero value has no buttons.
type Keyboard struct {
	Rows [][]Button `json:"inline_keyboard"`
}

// Empty reports whether the keyboard has no buttons.
func (k Keyboard) Empty() bool {
	for _, row := range k.Rows {
		if len(row) > 0 {
			return false
		}
	}
	return true
}

// Row appends a row of buttons and returns the keyboard.
func (k Keyboard) Row(buttons ...Button) Keyboard {
	rows := make([][]Button, 0, len(k.Rows)+1)
	rows = append(rows, k.Rows...)
	rows = append(rows, append([]Button(nil), buttons...))
	return Keyboard{Rows: rows}
}
