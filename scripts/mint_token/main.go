package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/mahaj/schoolchat/pkg/auth"
	"github.com/mahaj/schoolchat/pkg/config"
	"github.com/mahaj/schoolchat/pkg/model"
)

// Prints a signed token for local testing. Identity normally comes from
// the school's login service.
func main() {
	principal := pflag.StringP("principal", "p", "", "principal id")
	tenant := pflag.StringP("tenant", "t", "", "tenant id")
	role := pflag.StringP("role", "r", string(model.RoleStaff), "STAFF, STUDENT or PARENT")
	ttl := pflag.Duration("ttl", 24*time.Hour, "token lifetime")
	pflag.Parse()

	if *principal == "" || *tenant == "" {
		pflag.Usage()
		os.Exit(2)
	}
	r := model.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	token, err := auth.NewSigner(cfg.JWTSecret).GenerateToken(model.Principal{ID: *principal, TenantID: *tenant, Role: r}, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
