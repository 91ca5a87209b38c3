// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli"

	"github.com/shanna/duplex"
	"github.com/shanna/duplex/transform"
)

// Config mirrors xtaci-kcptun/server/config.go's JSON-file-plus-flag-override
// idiom: a config file supplies defaults, CLI flags (when set) win.
type Config struct {
	Listen     string `json:"listen"`
	Target     string `json:"target"`
	Key        string `json:"key"`
	Comp       bool   `json:"comp"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`
	Quiet      bool   `json:"quiet"`
}

func parseJSONConfig(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(cfg)
}

func loadConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Listen:     ":7000",
		Target:     "127.0.0.1:7001",
		SnmpPeriod: 5,
	}

	if path := c.String("config"); path != "" {
		if err := parseJSONConfig(cfg, path); err != nil {
			return nil, err
		}
	}

	if c.IsSet("listen") || cfg.Listen == "" {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("target") || cfg.Target == "" {
		cfg.Target = c.String("target")
	}
	if c.IsSet("key") {
		cfg.Key = c.String("key")
	}
	if c.IsSet("comp") {
		cfg.Comp = c.Bool("comp")
	}
	if c.IsSet("snmplog") {
		cfg.SnmpLog = c.String("snmplog")
	}
	if c.IsSet("snmpperiod") {
		cfg.SnmpPeriod = c.Int("snmpperiod")
	}
	if c.IsSet("quiet") {
		cfg.Quiet = c.Bool("quiet")
	}
	return cfg, nil
}

// transforms builds the client->target and target->client Transform
// chains this relay installs: this binary's role is the tunnel-client side
// of a duplex link, so outbound traffic is compressed-then-encrypted
// before it reaches the target (which is expected to be the matching
// decrypting/decompressing peer), and the reverse leg undoes both in the
// opposite order. With neither Key nor Comp set, both legs pass bytes
// through unmodified: a nil duplex.Transform is a valid no-op transform.
func (cfg *Config) transforms() (out, in duplex.Transform, err error) {
	var outFns, inFns []transform.Func

	if cfg.Comp {
		outFns = append(outFns, transform.Compress())
	}
	if cfg.Key != "" {
		key := transform.DeriveKey(cfg.Key)
		cipher, cerr := transform.NewChaCha20Cipher(key)
		if cerr != nil {
			return nil, nil, cerr
		}
		outFns = append(outFns, cipher.Encrypt)
		inFns = append(inFns, cipher.Decrypt)
	}
	if cfg.Comp {
		inFns = append(inFns, transform.Decompress())
	}

	if len(outFns) == 0 && len(inFns) == 0 {
		return nil, nil, nil
	}
	return duplex.Transform(transform.Chain(outFns...)), duplex.Transform(transform.Chain(inFns...)), nil
}
