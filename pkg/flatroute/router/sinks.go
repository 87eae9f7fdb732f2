package router

import (
	"context"
	"fmt"

	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
)

type customerSink struct{}

// CustomerSink writes customers through Tx.InsertCustomers.
func CustomerSink() Sink { return customerSink{} }

func (customerSink) Tag() record.SchemaTag { return record.TagCustomer }

func (customerSink) Write(ctx context.Context, tx store.Tx, recs []record.Record) error {
	rows := make([]*record.Customer, 0, len(recs))
	for _, r := range recs {
		c, ok := r.(*record.Customer)
		if !ok {
			return fmt.Errorf("customer sink: unexpected %T", r)
		}
		rows = append(rows, c)
	}
	return tx.InsertCustomers(ctx, rows)
}

type productSink struct{}

// ProductSink writes products through Tx.InsertProducts.
func ProductSink() Sink { return productSink{} }

func (productSink) Tag() record.SchemaTag { return record.TagProduct }

func (productSink) Write(ctx context.Context, tx store.Tx, recs []record.Record) error {
	rows := make([]*record.Product, 0, len(recs))
	for _, r := range recs {
		p, ok := r.(*record.Product)
		if !ok {
			return fmt.Errorf("product sink: unexpected %T", r)
		}
		rows = append(rows, p)
	}
	return tx.InsertProducts(ctx, rows)
}
