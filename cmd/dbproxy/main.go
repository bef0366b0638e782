package main

import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/fyerfyer/dbproxy/cmd/dbproxy/cmd"
)

func main() {
	cmd.Execute()
}
