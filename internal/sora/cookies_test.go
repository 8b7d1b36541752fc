package sora_test

import (
	"testing"

	"github.com/ushan0v/sora-bot/internal/sora"
)

func TestParseCookies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		data    string
		want    []sora.Cookie
		wantErr bool
	}{
		{
			name: "фильтрует чужие домены и мусорные имена",
			data: `[
				{"name":"__Secure-next-auth.session-token","value":"tok","domain":".chatgpt.com","path":"/"},
				{"name":"_ga","value":"GA1","domain":".google-analytics.com","path":"/"},
				{"name":"bad name","value":"x","domain":".chatgpt.com","path":"/"},
				{"name":"oai-did","value":"device-1","domain":"chatgpt.com"}
			]`,
			want: []sora.Cookie{
				{Name: "__Secure-next-auth.session-token", Value: "tok", Domain: ".chatgpt.com", Path: "/"},
				{Name: "oai-did", Value: "device-1", Domain: "chatgpt.com", Path: "/"},
			},
		},
		{
			name: "пустой домен считается хостом бэкенда",
			data: `[{"name":"oai-did","value":"device-2","path":"/x"}]`,
			want: []sora.Cookie{
				{Name: "oai-did", Value: "device-2", Domain: "sora.chatgpt.com", Path: "/x"},
			},
		},
		{
			name:    "не JSON",
			data:    `{"name":"oai-did"}`,
			wantErr: true,
		},
		{
			name:    "после фильтрации пусто",
			data:    `[{"name":"_ga","value":"GA1","domain":".example.com","path":"/"}]`,
			wantErr: true,
		},
		{
			name:    "пустой массив",
			data:    `[]`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := sora.ParseCookies([]byte(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseCookies() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCookies() error = %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("ParseCookies() = %#v, want %#v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("cookie[%d] = %#v, want %#v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
