package main

import "testing"

func Test_normalizeNetworkAddress(t *testing.T) {
	tests := []struct {
		listen  string
		want    string
		wantErr bool
	}{
		{
			listen: "[::1]",
			want:   "[::1]:7250",
		},
		{
			listen: "[::]:",
			want:   "[::]:7250",
		},
		{
			listen: "",
			want:   "127.0.0.1:7250",
		},
		{
			listen: "127.0.0.2",
			want:   "127.0.0.2:7250",
		},
		{
			listen: ":7222",
			want:   "127.0.0.1:7222",
		},
		{
			listen:  "http://127.0.0.1:7250",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			got, err := normalizeNetworkAddress(tt.listen, defaultHost, defaultPort)
			if (err != nil) != tt.wantErr {
				t.Errorf("normalizeNetworkAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("normalizeNetworkAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}
