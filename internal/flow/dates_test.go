package flow

import "testing"

func TestParseSpokenDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1985-03-15", want: "1985-03-15"},
		{in: "03/15/1985", want: "1985-03-15"},
		{in: "3/5/1985", want: "1985-03-05"},
		{in: "March 15, 1985", want: "1985-03-15"},
		{in: "march 15 1985", want: "1985-03-15"},
		{in: "15 March 1985", want: "1985-03-15"},
		{in: "March 15th, 1985", want: "1985-03-15"},
		{in: "the 3rd of June 1990", want: "1990-06-03"},
		{in: "November 2nd 1958", want: "1958-11-02"},
		{in: "February 30 1990", wantErr: true},
		{in: "March 1985", wantErr: true},
		{in: "fifteen march", wantErr: true},
		{in: "March 15 85", wantErr: true},
		{in: "", wantErr: true},
		{in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpokenDate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSpokenDate(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSpokenDate(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseSpokenDate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNameMatches(t *testing.T) {
	tests := []struct {
		name   string
		stated string
		full   string
		want   bool
	}{
		{"exact", "David Chen", "David Chen", true},
		{"first name only", "this is David", "David Chen", true},
		{"phonetic drift", "Steven", "Stephen Miller", true},
		{"stt spelling", "Jon Smith", "John Smith", true},
		{"different person", "Robert Jones", "Maria Santos", false},
		{"empty stated", "", "David Chen", false},
		{"empty record", "David", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NameMatches(tt.stated, tt.full); got != tt.want {
				t.Errorf("NameMatches(%q, %q) = %t, want %t", tt.stated, tt.full, got, tt.want)
			}
		})
	}
}

func TestSlotBookMatch(t *testing.T) {
	book := NewSlotBook([]string{
		"Tuesday, March 3 at 10:00 AM",
		"Wednesday, March 4 at 2:30 PM",
	})

	tests := []struct {
		name string
		date string
		time string
		want string
		ok   bool
	}{
		{"full match", "March 3", "10:00 AM", "Tuesday, March 3 at 10:00 AM", true},
		{"weekday match", "Wednesday March 4", "2:30 PM", "Wednesday, March 4 at 2:30 PM", true},
		{"wrong time", "March 3", "2:30 PM", "", false},
		{"wrong date", "March 5", "10:00 AM", "", false},
		{"date only", "March 3", "", "", false},
		{"time only", "", "10:00 AM", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := book.Match(tt.date, tt.time)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Match(%q, %q) = %q/%t, want %q/%t", tt.date, tt.time, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSlotBookOffer(t *testing.T) {
	book := NewSlotBook([]string{"A", "B"})
	if book.Offer() != "A; B" {
		t.Errorf("Offer = %q", book.Offer())
	}
	if book.Empty() {
		t.Error("Empty = true")
	}
	if !NewSlotBook(nil).Empty() {
		t.Error("nil slots must be empty")
	}
}
