package main

import (
	"github.com/fjod/go_cart/shop-service/internal/domain"
	"github.com/fjod/go_cart/shop-service/internal/store"
)

// seedDemoCatalog mirrors 000002_seed.up.sql for the in-memory store.
func seedDemoCatalog(st *store.MemoryStore) {
	st.AddUser(domain.User{Username: "admin", Email: "admin@example.com", Role: domain.RoleAdmin})
	st.AddUser(domain.User{Username: "alice", Email: "alice@example.com"})
	st.AddUser(domain.User{Username: "bob", Email: "bob@example.com"})

	st.AddProduct(domain.Product{Name: "Desk lamp", Description: "LED desk lamp", Price: domain.MustMoney("10.00"), Stock: 5, ImageURL: "/img/lamp.png", Active: true})
	st.AddProduct(domain.Product{Name: "Notebook", Description: "A5 dotted notebook", Price: domain.MustMoney("3.50"), Stock: 100, ImageURL: "/img/notebook.png", Active: true})
	st.AddProduct(domain.Product{Name: "Headphones", Description: "Over-ear headphones", Price: domain.MustMoney("59.90"), Stock: 12, ImageURL: "/img/headphones.png", Active: true})
}
